package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/relay/bootstrap"
	"github.com/ceyewan/relay/gateway"
	"github.com/ceyewan/relay/logic"
	"github.com/ceyewan/relay/task"
)

func main() {
	var module string
	flag.StringVar(&module, "module", "", "assign run module: gateway, logic, task, init")
	flag.Parse()

	if module == "" {
		fmt.Println("error: module param required! Available: gateway, logic, task, init")
		os.Exit(1)
	}

	fmt.Printf("🚀 Starting Relay %s service...\n", module)

	// 各个组件负责自己的配置加载
	switch module {
	case "gateway":
		g, err := gateway.New()
		if err != nil {
			fmt.Printf("❌ Failed to start gateway: %v\n", err)
			os.Exit(1)
		}
		defer g.Close()
		if err := g.Run(); err != nil {
			fmt.Printf("❌ Gateway error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal()

	case "logic":
		cfg, err := logic.LoadConfig()
		if err != nil {
			fmt.Printf("❌ Failed to load logic config: %v\n", err)
			os.Exit(1)
		}
		l, err := logic.New(cfg)
		if err != nil {
			fmt.Printf("❌ Failed to start logic: %v\n", err)
			os.Exit(1)
		}
		defer l.Close()
		if err := l.Run(); err != nil {
			fmt.Printf("❌ Logic error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal()

	case "task":
		t, err := task.New()
		if err != nil {
			fmt.Printf("❌ Failed to start task: %v\n", err)
			os.Exit(1)
		}
		defer t.Close()
		if err := t.Run(); err != nil {
			fmt.Printf("❌ Task error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal()

	case "init":
		if err := bootstrap.Run(); err != nil {
			fmt.Printf("❌ Database initialization failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ Database initialization completed")

	default:
		fmt.Printf("❌ Unknown module: %s\n", module)
		fmt.Println("Available modules: gateway, logic, task, init")
		os.Exit(1)
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit

	fmt.Println("👋 Service exiting")
}
