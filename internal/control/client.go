package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Send writes one request line to the socket at path and returns the reply
// without its newline.
func Send(ctx context.Context, path, line string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(readTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(strings.TrimRight(line, "\n") + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && resp == "" {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSpace(resp), nil
}
