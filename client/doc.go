// Package client implements a TFTP client that shares its transfer engine
// with the server.
//
//	c, err := client.New(client.Config{
//	    Server:     "192.0.2.10:69",
//	    BlockSize:  1428,
//	    WindowSize: 8,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	stats, err := c.Get(ctx, "pxelinux.0", out)
//
// A request is retransmitted until the server answers or the retry limit is
// reached. The first reply fixes the server's transfer ID: an OACK is checked
// against the requested options and acknowledged, a DATA 1 or ACK 0 means
// the server ignored the options and the RFC 1350 defaults apply. An ERROR
// reply is returned as a *transfer.PeerError.
package client
