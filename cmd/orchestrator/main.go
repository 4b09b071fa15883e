package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/shapesinc/orchestration-core/internal/app"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, continuing with process environment")
	}

	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize orchestration core: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()
	fmt.Println("orchestration core running")
	select {}
}
