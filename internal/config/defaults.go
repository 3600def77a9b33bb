package config

// DefaultCacheRoot is where attachments and scans are kept unless configured.
const DefaultCacheRoot = "/tmp/mattermost_printer_bot"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			CacheRoot: DefaultCacheRoot,
		},
		Peripherals: PeripheralsConfig{
			PrintCommand: "lp",
			ScanCommand:  "scanimage -o",
			Shell:        "sh",
		},
		Channels: ChannelsConfig{
			Mattermost: MattermostConfig{
				Port: 443,
			},
			Telegram: TelegramConfig{
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
