// guardsmith — hazard specs compiled into verified, enforced policy.
package main

import "github.com/guardsmith/guardsmith/internal/cli"

func main() {
	cli.Execute()
}
