package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/ledger"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/screentime"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/redis"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkDay       string
	checkTime      string
	checkUsed      int
	checkDevice    string
	checkContent   string
	checkSkipUsage bool
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] CHILD_ID",
	Short: "Check the access decision for a child",
	Long: `Check whether KTime would allow a child to start watching, using the stored
rules and today's recorded usage. Day, time and usage can be overridden to
preview bedtime windows, weekend limits and policies.`,
	Example: `  ktime -c config.yaml check alice
  ktime check alice --day saturday --time 21:30
  ktime check alice --used 95 --device living-room-tv`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) in the child's time zone - defaults to current time")
	checkCmd.Flags().IntVar(&checkUsed, "used", -1, "Minutes already used that day - defaults to the recorded usage")
	checkCmd.Flags().StringVar(&checkDevice, "device", "", "Device ID passed to access policies")
	checkCmd.Flags().StringVar(&checkContent, "content", "", "Content ID passed to access policies")
	checkCmd.Flags().BoolVar(&checkSkipUsage, "ignore-usage", false, "Treat the day as unused")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	childID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Reuse the service so unset rules fall back to the configured defaults
	screenTime, err := screentime.New(store.Rules(), keylock.New(), nil, screentime.Config{
		DefaultDailyLimitMinutes: cfg.ScreenTime.DefaultDailyLimitMinutes,
		DefaultTimezone:          cfg.ScreenTime.DefaultTimezone,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize screen-time service: %w", err)
	}

	r, err := screenTime.Rules(ctx, childID)
	if err != nil {
		return fmt.Errorf("failed to read rules: %w", err)
	}
	loc := rules.Location(r)

	checkDateTime := time.Now().In(loc)
	if checkDay != "" || checkTime != "" {
		checkDateTime, err = parseCheckTime(checkDay, checkTime, loc)
		if err != nil {
			return fmt.Errorf("invalid time specification: %w", err)
		}
	}

	var used time.Duration
	switch {
	case checkSkipUsage:
	case checkUsed >= 0:
		used = time.Duration(checkUsed) * time.Minute
	default:
		used, err = ledger.New(store.Ledger(), logger).UsageOn(ctx, childID, rules.LocalDate(checkDateTime, loc))
		if err != nil {
			return fmt.Errorf("failed to read usage: %w", err)
		}
	}

	decision := rules.Evaluate(r, used, checkDateTime)
	policyApplied := false
	if cfg.Policy.Enabled && decision.Allowed {
		checker, _, err := policy.NewFromDir(cfg.Policy.OPAPolicyDir, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize access policy: %w", err)
		}
		decision = checker.Check(ctx, policy.Input{
			ChildID:   childID,
			DeviceID:  checkDevice,
			ContentID: checkContent,
			Now:       checkDateTime,
			Rules:     r,
			Decision:  decision,
		})
		policyApplied = true
	}

	printCheckResult(childID, r, checkDateTime, decision, policyApplied)

	return nil
}

// printCheckResult prints the access decision with colors
func printCheckResult(childID string, r storage.Rules, checkTime time.Time, decision rules.Decision, policyApplied bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SCREEN-TIME ACCESS CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Child:      %s\n", childID)
	fmt.Printf("Check Time: %s (%s, %s)\n", checkTime.Format("2006-01-02 15:04"), checkTime.Weekday(), r.Timezone)
	fmt.Printf("Limit:      %d minutes\n", int(decision.Limit.Minutes()))
	fmt.Printf("Used:       %.1f minutes\n", decision.Used.Minutes())
	if r.Bedtime.Enabled {
		fmt.Printf("Bedtime:    %s - %s\n", r.Bedtime.Start, r.Bedtime.End)
	}
	if policyApplied {
		fmt.Printf("Policy:     evaluated\n")
	}
	fmt.Println()

	cyan.Print("Decision:   ")
	if decision.Allowed {
		green.Println("ALLOW")
		fmt.Printf("            → %.1f minutes remaining\n", decision.RemainingMinutes())
	} else {
		red.Println("DENY")
		switch decision.Reason {
		case rules.ReasonPaused:
			fmt.Println("            → Screen time is paused by a parent")
			if r.Pause.Until != nil {
				yellow.Printf("            → Pause ends %s\n", r.Pause.Until.In(checkTime.Location()).Format("2006-01-02 15:04"))
			}
		case rules.ReasonBedtime:
			fmt.Println("            → Bedtime window is in force")
		case rules.ReasonLimitReached:
			fmt.Println("            → Daily limit reached")
		case rules.ReasonPolicy:
			fmt.Println("            → Denied by access policy")
		default:
			fmt.Printf("            → %s\n", decision.Reason)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime parses day and time flags into a time in loc
func parseCheckTime(dayStr, timeStr string, loc *time.Location) (time.Time, error) {
	now := time.Now().In(loc)

	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		clock, err := storage.ParseClock(timeStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}
		hour, minute = clock/60, clock%60
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		switch strings.ToLower(dayStr) {
		case "sunday", "sun":
			targetDay = time.Sunday
		case "monday", "mon":
			targetDay = time.Monday
		case "tuesday", "tue":
			targetDay = time.Tuesday
		case "wednesday", "wed":
			targetDay = time.Wednesday
		case "thursday", "thu":
			targetDay = time.Thursday
		case "friday", "fri":
			targetDay = time.Friday
		case "saturday", "sat":
			targetDay = time.Saturday
		default:
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
	}

	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	targetDate := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), hour, minute, 0, 0, loc), nil
}
