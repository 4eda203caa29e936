package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/offlinekit/ilqlctl/internal/config"
	"github.com/offlinekit/ilqlctl/internal/model"
	"github.com/offlinekit/ilqlctl/internal/orchestrator"
	"github.com/offlinekit/ilqlctl/internal/pipeline"
)

// #region main

// validate loads a config, checks it, and prints the fully resolved YAML
// so defaults and overrides can be reviewed before a run.
func main() {
	configPath := flag.String("config", "", "path to YAML training config")
	defaults := flag.Bool("defaults", false, "print the default config and exit")
	flag.Parse()

	if *defaults {
		out, err := config.Default().Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: validate --config path/to/config.yml | --defaults")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// The registries are the source of truth for the string identifiers;
	// catch a typo here instead of at run start.
	if _, ok := lookup(pipeline.Registered(), cfg.Train.Pipeline); !ok {
		fmt.Fprintf(os.Stderr, "invalid config: unknown pipeline %q (registered: %v)\n",
			cfg.Train.Pipeline, pipeline.Registered())
		os.Exit(1)
	}
	if _, ok := lookup(orchestrator.Registered(), cfg.Train.Orchestrator); !ok {
		fmt.Fprintf(os.Stderr, "invalid config: unknown orchestrator %q (registered: %v)\n",
			cfg.Train.Orchestrator, orchestrator.Registered())
		os.Exit(1)
	}
	if _, ok := lookup(model.Registered(), cfg.Model.ModelType); !ok {
		fmt.Fprintf(os.Stderr, "invalid config: unknown model_type %q (registered: %v)\n",
			cfg.Model.ModelType, model.Registered())
		os.Exit(1)
	}

	out, err := cfg.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("# %s: valid\n", *configPath)
	os.Stdout.Write(out)
}

func lookup(names []string, want string) (string, bool) {
	for _, n := range names {
		if n == want {
			return n, true
		}
	}
	return "", false
}

// #endregion main
