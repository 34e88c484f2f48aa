// Command clrev-validate checks changed clone list documents against the
// clone list schema and posts line-located review comments for every problem.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tiger/clonelist-review/internal/config"
	"github.com/tiger/clonelist-review/internal/review"
	"github.com/tiger/clonelist-review/internal/runner"
	"github.com/tiger/clonelist-review/internal/schemacheck"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.LookupEnv))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	flags := flag.NewFlagSet("clrev-validate", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to a YAML settings file (default $CLREV_CONFIG)")
	schemaPath := flags.String("schema", "", "override the clone list schema path")
	dryRun := flags.Bool("dry-run", false, "print annotations without posting them")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: clrev-validate [flags] [changed files...]")
		fmt.Fprintln(stderr, "with no file arguments, the changed-file list is read from stdin")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *configPath == "" {
		if fromEnv, ok := lookup("CLREV_CONFIG"); ok {
			*configPath = fromEnv
		}
	}
	cfg, err := config.LoadWithLookup(*configPath, lookup)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}
	if *schemaPath != "" {
		cfg.SchemaPath = *schemaPath
	}

	files := flags.Args()
	if len(files) == 0 {
		files = readLines(stdin)
	}
	files = runner.SelectFiles(files, cfg.Marker, cfg.IndexFile)
	if len(files) == 0 {
		fmt.Fprintln(stdout, "No clone list files to validate.")
		return 0
	}

	schema, err := schemacheck.LoadSchema(cfg.SchemaPath)
	if err != nil {
		fmt.Fprintf(stderr, "schema error: %v\n", err)
		return 1
	}

	var poster runner.Poster
	if !*dryRun {
		client, err := review.New(review.Config{
			BaseURL:    cfg.APIBaseURL,
			Repository: cfg.Repository,
			PullNumber: cfg.PullNumber,
			CommitID:   cfg.CommitID,
			Token:      cfg.Token,
			Schedule:   cfg.Schedule(),
			Timeout:    cfg.Timeout(),
			Progress:   stderr,
		})
		if err != nil {
			fmt.Fprintf(stderr, "review client error: %v\n", err)
			return 1
		}
		poster = client
	}

	validation := &runner.Runner{
		Schema: schema,
		Poster: poster,
		Out:    stdout,
		DryRun: *dryRun,
	}
	allClean, err := validation.Run(files)
	if err != nil {
		fmt.Fprintf(stderr, "validation run aborted: %v\n", err)
		return 1
	}
	if !allClean {
		return 1
	}
	return 0
}

func readLines(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
