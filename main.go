// The main package for the elastic-crawler executable.
package main

import (
	"github.com/opencrawl/elastic-crawler-service/cmd"
)

func main() {
	cmd.Execute()
}
