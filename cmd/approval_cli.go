package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/agentforge/core/internal/approval"
)

// cliApprovalChannel presents approval requests on stderr and reads a
// yes/no answer from stdin on its own goroutine, so Present returns at
// once, for the terminal chat REPL. A running gateway
// would instead forward the request to a WebSocket client; this is the
// standalone-CLI equivalent.
type cliApprovalChannel struct {
	mgr *approval.Manager
}

func newCLIApprovalChannel() *cliApprovalChannel {
	return &cliApprovalChannel{}
}

func (c *cliApprovalChannel) Present(req approval.Request) {
	fmt.Fprintf(os.Stderr, "\n[approval] %s wants to run %q\n", req.Classification.RiskLevel, req.ToolName)
	if len(req.Classification.Warnings) > 0 {
		fmt.Fprintf(os.Stderr, "  warnings: %s\n", strings.Join(req.Classification.Warnings, "; "))
	}
	fmt.Fprint(os.Stderr, "Allow this call? [y/N] ")

	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		approved := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")

		if c.mgr != nil {
			c.mgr.Resolve(req.ID, approval.Response{Approved: approved})
		}
	}()
}
