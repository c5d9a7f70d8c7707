package main

import (
	"flag"
	"log"
	"os"
)

func main() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "./config.toml"
	}
	configPath := flag.String("config", defaultConfig, "Path to TOML config")
	flag.Parse()

	if err := runServer(*configPath); err != nil {
		log.Fatalf("sniproxy: %v", err)
	}
}
