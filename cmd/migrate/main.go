// Command migrate applies the SQL session store's embedded schema
// migrations against a target database, without starting the broker.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/rjsadow/ssap/internal/store"
)

func main() {
	dbType := flag.String("type", "sqlite", "Database type: sqlite or postgres")
	dsn := flag.String("dsn", ":memory:", "Data source name")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate up [-type sqlite|postgres] [-dsn dsn]")
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "up":
		s, err := store.OpenSQL(*dbType, *dsn)
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		defer s.Close()
		fmt.Println("Migrations applied")
	default:
		fmt.Printf("Unknown command: %s\n", flag.Arg(0))
		fmt.Println("Usage: migrate up [-type sqlite|postgres] [-dsn dsn]")
		os.Exit(1)
	}
}
