package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LoadAndWatch 读取 config/{service}.yaml 并反序列化到 out，同时监听文件热更新。
// 环境变量覆盖规则（前缀为大写服务名，点换下划线）：
//
//	BOTENGINE_FIBER_API_KEY  覆盖 fiber.api_key
//	BOTENGINE_FIBER_ENDPOINT 覆盖 fiber.endpoint
func LoadAndWatch(service string, out interface{}) (*viper.Viper, error) {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".") // 兜底，直接放当前目录也行

	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "")))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	// 监听文件变更，热更新到 out
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)

		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
	})

	return v, nil
}
