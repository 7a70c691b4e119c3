package main

import (
	"encoding/json"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dep2p/go-magicnet/config"
)

// envPrefix 环境变量前缀，键中的 "." 替换为 "_"，例如 MAGICNET_SOCKET_LISTEN_ADDR
const envPrefix = "MAGICNET"

// loader 合并配置来源
//
// 优先级（从高到低）：
//  1. 命令行参数
//  2. 环境变量（MAGICNET_* 前缀）
//  3. 配置文件（json/yaml/toml，按扩展名识别）
//  4. 预设默认值
type loader struct {
	v *viper.Viper

	configFile string
	preset     string
}

func newLoader() *loader {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &loader{v: v}
}

// flagKeys 命令行参数到配置键的映射
var flagKeys = map[string]string{
	"relay":      "relay.urls",
	"home-relay": "relay.home_relay",
	"listen":     "socket.listen_addr",
	"key":        "identity.key_file",
	"log-level":  "log.level",
	"log-format": "log.format",
	"metrics":    "metrics.listen_addr",
	"dns-domain": "discovery.dns_domain",
}

func (l *loader) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&l.configFile, "config", "", "配置文件路径")
	f.StringVar(&l.preset, "preset", config.PresetDesktop, "预设配置 (desktop/server/test)")
	f.StringSlice("relay", nil, "中继服务器地址，可重复")
	f.String("home-relay", "", "固定首选中继")
	f.String("listen", "", "UDP 监听地址，例如 0.0.0.0:41641")
	f.String("key", "", "身份密钥文件，不存在时自动生成")
	f.String("log-level", "", "日志级别，例如 pathmgr=debug,info")
	f.String("log-format", "", "日志格式 (text/json)")
	f.String("metrics", "", "指标 HTTP 监听地址，为空则不启用")
	f.String("dns-domain", "", "DNS TXT 发现域名")
	for name, key := range flagKeys {
		_ = l.v.BindPFlag(key, f.Lookup(name))
	}
}

// Load 按优先级合并出最终配置
func (l *loader) Load() (*config.Config, error) {
	switch l.preset {
	case config.PresetDesktop, config.PresetServer, config.PresetTest:
	default:
		return nil, oops.In("config").With("preset", l.preset).Errorf("unknown preset")
	}
	base := config.NewPresetConfig(l.preset)
	if base.Relay.URLs == nil {
		base.Relay.URLs = []string{}
	}
	defaults, err := toMap(base)
	if err != nil {
		return nil, err
	}
	for k, val := range defaults {
		l.v.SetDefault(k, val)
	}

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, oops.In("config").With("file", l.configFile).Wrapf(err, "read config file")
		}
		log.Debug("使用配置文件", "file", l.v.ConfigFileUsed())
	}

	settings := l.v.AllSettings()
	for _, key := range l.v.AllKeys() {
		setPath(settings, key, l.coerce(key, lookup(defaults, key)))
	}
	if addr, _ := lookup(settings, "metrics.listen_addr").(string); addr != "" {
		setPath(settings, "metrics.enable", true)
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return nil, oops.In("config").Wrapf(err, "encode settings")
	}
	cfg, err := config.FromJSON(data)
	if err != nil {
		return nil, oops.In("config").With("preset", l.preset).Wrapf(err, "invalid config")
	}
	return cfg, nil
}

// coerce 按默认值的类型读取键值，环境变量总是字符串
func (l *loader) coerce(key string, def any) any {
	switch def.(type) {
	case bool:
		return l.v.GetBool(key)
	case float64:
		return l.v.GetFloat64(key)
	case string:
		return l.v.GetString(key)
	case []any:
		out := make([]string, 0)
		for _, s := range l.v.GetStringSlice(key) {
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
		return out
	default:
		return l.v.Get(key)
	}
}

// toMap 把配置转为嵌套 map，键与 JSON 标签一致
func toMap(cfg *config.Config) (map[string]any, error) {
	data, err := cfg.ToJSON()
	if err != nil {
		return nil, oops.In("config").Wrapf(err, "encode defaults")
	}
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.In("config").Wrapf(err, "decode defaults")
	}
	return m, nil
}

func lookup(m map[string]any, key string) any {
	parts := strings.Split(key, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[p]
	}
	return cur
}

func setPath(m map[string]any, key string, val any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
}
