package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "run":
		err = runAnalysis(os.Args[2:])
	case "serve":
		err = runServe()
	case "catalog":
		err = runCatalog()
	case "status":
		err = runStatus()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'aivis --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`aivis - AI visibility analysis engine

USAGE:
    aivis COMMAND [FLAGS]

COMMANDS:
    run         Run one analysis job in the foreground
    serve       Start the job API and the analysis scheduler
    catalog     List the agents in the catalog
    status      Check configuration, catalog, plan and store

RUN FLAGS:
    --domain NAME      Target domain to analyse (required)
    --tenant ID        Tenant the job belongs to
    --plan PATH        Plan file overriding plan.path
    --profile NAME     Plan profile to use
    --option K=V       Extra job option, repeatable
    --json             Print the final job record as JSON

GLOBAL FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file means defaults)
    Environment: AIVIS_* variables override config
    Secrets:     set AIVIS_CONFIG_KEY to decrypt enc: values

EXAMPLES:
    aivis run --domain example.com
    aivis run --domain example.com --profile quick --json
    aivis serve --config /etc/aivis/config.yaml
    aivis status`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AIVIS_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
