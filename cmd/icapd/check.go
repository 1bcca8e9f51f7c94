package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check [address]",
	Short: "Probe a running ICAP server with an OPTIONS request",
	Long: `Send an OPTIONS request to an ICAP server and print the answer.

Examples:
  # Probe the default local server
  icapd check

  # Probe a remote server's echo service
  icapd check icap.example.com:1344 --service echo/reqmod`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := "127.0.0.1:1344"
		if len(args) == 1 {
			addr = args[0]
		}
		service, _ := cmd.Flags().GetString("service")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return runCheck(addr, service, timeout)
	},
}

func init() {
	checkCmd.Flags().String("service", "reqmod", "Service path to probe")
	checkCmd.Flags().Duration("timeout", 5*time.Second, "Probe timeout")
}

func runCheck(addr, service string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	service = strings.TrimPrefix(service, "/")
	req := fmt.Sprintf("OPTIONS icap://%s/%s ICAP/1.0\r\nHost: %s\r\nEncapsulated: null-body=0\r\n\r\n", addr, service, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("sending OPTIONS: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")

	statusColor := color.New(color.FgGreen)
	if !strings.Contains(statusLine, " 200 ") {
		statusColor = color.New(color.FgRed, color.Bold)
	}
	statusColor.Println(statusLine)

	cyan := color.New(color.FgCyan).SprintFunc()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if key, value, ok := strings.Cut(line, ":"); ok {
			fmt.Printf("%s:%s\n", cyan(key), value)
		} else {
			fmt.Println(line)
		}
	}

	if !strings.Contains(statusLine, " 200 ") {
		return fmt.Errorf("server answered %q", statusLine)
	}
	return nil
}
