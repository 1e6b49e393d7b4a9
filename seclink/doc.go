// Package seclink is a small TCP (or QUIC) service that admits connections
// through a blocklist and a connection cap, keeps one session per peer and
// runs an RSA key handshake so both sides can confirm each other's public
// key.
//
// Basic server usage:
//
//	keys := keystore.New(keystore.Paths{Public: "server.pub", Private: "server.key"})
//	if _, err := keys.EnsureKeyPair(); err != nil {
//		return err
//	}
//	srv := seclink.NewServer(config.Default(), keys)
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	defer srv.Stop(context.Background())
//
// Basic client usage:
//
//	c, err := seclink.Dial(ctx, "127.0.0.1:7272")
//	serverKey, err := c.Bootstrap(ctx)
//	resp, err := c.Confirm(ctx, myKeys.PublicKey)
//
// Wire format: every frame is a 1-byte type, a 4-byte big-endian length and
// the payload. Requests are encrypted to the server key; responses are
// plaintext JSON so a client can learn the server key before trusting it.
package seclink
