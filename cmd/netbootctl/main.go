// netbootctl is the remote CLI client for netbootd.
//
// It talks to the netbootd HTTP API. Given arguments it runs one command
// and exits; otherwise it starts an interactive shell.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/netboot/pkg/api"
	"github.com/psaab/netboot/pkg/cmdtree"
	"github.com/psaab/netboot/pkg/config"
)

func main() {
	addr := flag.String("addr", config.DefaultAPIAddr, "netbootd API address")
	token := flag.String("token", os.Getenv("NETBOOT_API_TOKEN"), "API token")
	flag.Parse()

	c := &ctl{
		base:   "http://" + *addr,
		token:  *token,
		http:   &http.Client{Timeout: 10 * time.Second},
		stream: &http.Client{},
		out:    os.Stdout,
	}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "netbootctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var st api.StatusResponse
	if err := c.get("/api/v1/status", &st); err != nil {
		fmt.Fprintf(os.Stderr, "netbootctl: cannot reach netbootd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "netboot> ",
		HistoryFile:     "/tmp/netbootctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &remoteCompleter{ctl: c},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "netbootctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("netbootctl: connected to netbootd (uptime: %s)\n", st.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

type remoteCompleter struct {
	ctl *ctl
}

func (rc *remoteCompleter) Do(line []rune, pos int) ([][]rune, int) {
	words, partial := cmdtree.Split(string(line[:pos]))
	candidates := cmdtree.Complete(cmdtree.Tree, words, partial, rc.ctl.values)
	if len(candidates) == 0 {
		return nil, 0
	}
	var result [][]rune
	for _, c := range candidates {
		result = append(result, []rune(c.Name[len(partial):]+" "))
	}
	return result, len(partial)
}
