package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("CRAWLKEEPER")
	b.PrintCenteredText("Documentation Crawling Service")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintKeyValue("Queue DB", config.Storage.SQLite.Path, 15)
	b.PrintKeyValue("Jobs Dir", config.Storage.JobsDir, 15)
	b.PrintKeyValue("Concurrency", fmt.Sprintf("%d", config.Worker.Concurrency), 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("service_url", serviceURL).
		Str("sqlite_path", config.Storage.SQLite.Path).
		Str("jobs_dir", config.Storage.JobsDir).
		Int("worker_concurrency", config.Worker.Concurrency).
		Msg("crawlkeeper started")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the resolved runtime configuration that
// shapes crawl behavior, so an operator can see it without grepping logs.
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("🎯 Runtime:\n")
	fmt.Printf("   • Worker concurrency: %d\n", config.Worker.Concurrency)
	fmt.Printf("   • Max pages per crawl: %s\n", config.Crawler.MaxPagesToCrawl)
	fmt.Printf("   • Max tokens per output file: %s\n", config.Crawler.MaxTokens)
	fmt.Printf("   • Queue retention: %s\n", config.Queue.CompletedRetention)

	logger.Info().
		Int("worker_concurrency", config.Worker.Concurrency).
		Str("max_pages_to_crawl", config.Crawler.MaxPagesToCrawl).
		Str("max_tokens", config.Crawler.MaxTokens).
		Str("queue_completed_retention", config.Queue.CompletedRetention).
		Msg("runtime configuration")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("CRAWLKEEPER")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("crawlkeeper shutting down")
}

// PrintColorizedMessage prints a message with the given color. It does not
// log; logger is unused.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("✓ %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("✗ %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("⚠ %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it.
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("ℹ %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
