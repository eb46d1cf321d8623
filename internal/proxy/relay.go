package proxy

import (
	"errors"
	"io"
	"net"
)

// relay copies bytes between the two sides until either closes. The
// bufio readers are drained first so nothing already buffered during
// the handshake is lost. Closing both connections on the first EOF or
// error unblocks the opposite copy.
func relay(clientConn, upstreamConn net.Conn, clientR, upstreamR io.Reader) error {
	errc := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstreamConn, clientR)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, upstreamR)
		errc <- err
	}()

	err := <-errc
	clientConn.Close()
	upstreamConn.Close()
	<-errc

	// A peer hanging up is the normal way a session ends.
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
