package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

func runBudgetSet(cc *commandContext, args []string) error {
	fs := flag.NewFlagSet("budget-set", flag.ContinueOnError)
	period := fs.String("period", "", "budget period: daily, weekly, or monthly")
	tokenLimit := fs.Int64("tokens", 0, "token limit for the period (0 leaves tokens unbounded)")
	costLimit := fs.Float64("cost", 0, "cost limit in dollars for the period (0 leaves cost unbounded)")
	autoPause := fs.Bool("auto-pause", true, "pause generation when the budget hits 100%")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *period == "" {
		return fmt.Errorf("-period is required")
	}
	if *tokenLimit <= 0 && *costLimit <= 0 {
		return fmt.Errorf("at least one of -tokens or -cost must be positive")
	}

	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	budget, err := services.Budget.Configure(cc.Ctx, &model.Budget{
		Period:           model.BudgetPeriod(*period),
		TokenLimit:       *tokenLimit,
		CostLimit:        *costLimit,
		AutoPauseAtLimit: *autoPause,
		Active:           true,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "configured %s budget: tokens=%d cost=%.2f auto_pause=%v\n",
		budget.Period, budget.TokenLimit, budget.CostLimit, budget.AutoPauseAtLimit)
	return nil
}

func runBudgetStatus(cc *commandContext, _ []string) error {
	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	statuses, err := services.Budget.Status(cc.Ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(os.Stdout, "no active budgets")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tTOKENS\tTOKEN LIMIT\tCOST\tCOST LIMIT\tUSED%\tPAUSED")
	for _, s := range statuses {
		b := s.Budget
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t%.1f\t%v\n",
			b.Period, b.TokensUsed, b.TokenLimit, b.CostUsed, b.CostLimit, s.UsedPercent, b.IsPaused)
	}
	return w.Flush()
}

func runBudgetReset(cc *commandContext, args []string) error {
	fs := flag.NewFlagSet("budget-reset", flag.ContinueOnError)
	period := fs.String("period", "", "budget period: daily, weekly, or monthly")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *period == "" {
		return fmt.Errorf("-period is required")
	}

	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	budget, err := services.Budget.Reset(cc.Ctx, model.BudgetPeriod(*period))
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "reset %s budget; new window starts %s\n",
		budget.Period, budget.PeriodStart.Format("2006-01-02"))
	return nil
}

func runBudgetPause(cc *commandContext, args []string) error {
	fs := flag.NewFlagSet("budget-pause", flag.ContinueOnError)
	period := fs.String("period", "", "budget period: daily, weekly, or monthly")
	resume := fs.Bool("resume", false, "resume instead of pause")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *period == "" {
		return fmt.Errorf("-period is required")
	}

	services, cleanup, err := buildServices(cc)
	if err != nil {
		return err
	}
	defer cleanup()

	budget, err := services.BudgetRepo.GetByPeriod(cc.Ctx, model.BudgetPeriod(*period))
	if err != nil {
		return err
	}
	if err := services.Budget.SetPaused(cc.Ctx, budget.ID, !*resume); err != nil {
		return err
	}

	if *resume {
		fmt.Fprintf(os.Stdout, "resumed %s budget\n", budget.Period)
	} else {
		fmt.Fprintf(os.Stdout, "paused %s budget\n", budget.Period)
	}
	return nil
}
