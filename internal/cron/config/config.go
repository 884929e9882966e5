package cron_config

type Config struct {
	// Heartbeat check, every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// Throughput training, every hour. Runs apply only when the interval is due.
	CronScheduleTraining string `env:"CRON_SCHEDULE_TRAINING" envDefault:"0 0 * * * *"`
	// Bounce mailbox fan-out, every 15 minutes
	CronScheduleBounces string `env:"CRON_SCHEDULE_BOUNCES" envDefault:"0 */15 * * * *"`
	// Daily quota reset, just after midnight UTC
	CronScheduleQuotaReset string `env:"CRON_SCHEDULE_QUOTA_RESET" envDefault:"5 0 0 * * *"`
	// Stalled campaign watchdog, every 10 minutes
	CronScheduleDispatchWatchdog string `env:"CRON_SCHEDULE_DISPATCH_WATCHDOG" envDefault:"0 */10 * * * *"`
}
