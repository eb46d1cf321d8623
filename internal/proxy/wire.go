package proxy

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// send writes a command or reply to the connection as-is.
func send(conn net.Conn, s string) error {
	if _, err := conn.Write([]byte(s)); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// readLine reads a single CRLF-terminated line, returned verbatim with
// its terminator so it can be forwarded byte-exact.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	return line, nil
}

// readReply reads a full SMTP reply, following continuation lines
// ("250-..." until "250 ..."), returned verbatim.
func readReply(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := readLine(r)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		// The last line of a reply has a space after the code.
		if len(line) < 4 || line[3] == ' ' {
			return b.String(), nil
		}
	}
}
