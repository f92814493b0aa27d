package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

func runJobGet(cc *commandContext, args []string) error {
	fs := flag.NewFlagSet("job-get", flag.ContinueOnError)
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := services.Jobs.Get(cc.Ctx, *id)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func runJobStats(cc *commandContext, _ []string) error {
	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := services.Jobs.Stats(cc.Ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	fmt.Fprintf(w, "queued\t%d\n", stats.Queued)
	fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
	fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "cancelled\t%d\n", stats.Cancelled)
	return w.Flush()
}

func runJobCancel(cc *commandContext, args []string) error {
	fs := flag.NewFlagSet("job-cancel", flag.ContinueOnError)
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := services.Jobs.Cancel(cc.Ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "cancelled job %s\n", *id)
	return nil
}

func runJobRetry(cc *commandContext, args []string) error {
	fs := flag.NewFlagSet("job-retry", flag.ContinueOnError)
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := services.Jobs.Retry(cc.Ctx, *id)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "requeued job %s (%s)\n", job.ID, job.Type)
	return nil
}
