package login

import (
	"bytes"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"github.com/relaydag/relay/internal/config"

	"github.com/mitchellh/cli"
)

// LoginCommand is a Command implementation that logs in to a Vercel account
type LoginCommand struct {
	Config *config.Config
	Ui     *cli.ColoredUi
}

// Synopsis of login command
func (c *LoginCommand) Synopsis() string {
	return "Login to your Vercel account"
}

// Help returns information about the `login` command
func (c *LoginCommand) Help() string {
	helpText := `
Usage: relay login

  Login to your Vercel account
`
	return strings.TrimSpace(helpText)
}

// Run executes login.js with node and prints its stdout and stderr
func (c *LoginCommand) Run(args []string) int {
	cmd := exec.Command("node", filepath.FromSlash("login.js"))
	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb
	err := cmd.Run()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("out:", outb.String(), "err:", errb.String())
	return 0
}
