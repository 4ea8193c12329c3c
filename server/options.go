package server

import (
	"flag"
	"io"
)

// Options 进程启动参数；命令行优先于环境变量
type Options struct {
	Addr       string
	ConfigDir  string // player.json / world.json / sprites.json 所在目录；为空使用内置默认配置
	PublicDir  string // 静态页面目录；为空则不提供
	LogFile    string
	LogLevel   string
	LogConsole bool
}

func (o Options) LogOptions() LogOptions {
	return LogOptions{File: o.LogFile, Console: o.LogConsole, Level: o.LogLevel}
}

// LoadOptions 解析命令行参数，getenv 提供环境变量默认值（通常是 os.Getenv）
func LoadOptions(args []string, getenv func(string) string) (Options, error) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	addr := ":" + env("PORT", "3000")
	addr = env("ADDR", addr)

	var o Options
	fs := flag.NewFlagSet("isomod", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.Addr, "addr", addr, "server listen address, e.g. :3000")
	fs.StringVar(&o.ConfigDir, "config", env("ISOMOD_CONFIG_DIR", ""), "directory with player.json, world.json and sprites.json")
	fs.StringVar(&o.PublicDir, "public", env("ISOMOD_PUBLIC_DIR", ""), "directory with static pages (index.html, game.html)")
	fs.StringVar(&o.LogFile, "log", env("ISOMOD_LOG_FILE", "isomod.log"), "rolling log file, empty to disable")
	fs.StringVar(&o.LogLevel, "log-level", env("ISOMOD_LOG_LEVEL", "info"), "debug|info|warn|error")
	fs.BoolVar(&o.LogConsole, "console", false, "also log to stderr")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return o, nil
}
