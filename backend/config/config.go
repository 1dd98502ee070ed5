package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab struct {
		// 近期操作环形缓冲容量
		RingCap int `mapstructure:"ringCap"`
		// 自动保存静默窗口，秒
		AutoSaveDelaySec int `mapstructure:"autoSaveDelaySec"`
		// 空置会话回收宽限期，秒
		SessionGraceSec int `mapstructure:"sessionGraceSec"`
	} `mapstructure:"collab"`
}
