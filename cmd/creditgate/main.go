// Command creditgate runs the credit-gated job admission service.
package main

import "github.com/tutu-network/creditgate/internal/cli"

func main() {
	cli.Execute()
}
