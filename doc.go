// Package davsftp bridges WebDAV operations onto a remote directory tree
// reachable over SSH/SFTP.
//
// This package provides:
//   - SSH sessions with SFTP support (private key, password, certificate, ssh-agent)
//   - A fixed-capacity session pool with FIFO acquisition, health checks and keepalive
//   - A path mapper that confines WebDAV paths to a remote root
//   - A translator implementing stat, list, read, write, delete, move, copy and mkdir
//     on top of one pooled session per operation
//   - Retry logic with exponential backoff for reconnects
//
// # Basic Usage
//
// Create a pool and a translator:
//
//	config := davsftp.Config{
//		Host:       "example.com",
//		User:       "deploy",
//		KeyPath:    "~/.ssh/id_ed25519",
//		RemotePath: "/srv/share",
//		PoolSize:   3,
//	}
//
//	pool, err := davsftp.NewPool(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Shutdown(context.Background())
//
//	tr, err := davsftp.NewTranslator(pool)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	entries, err := tr.List(ctx, "/documents")
//
// # Streaming
//
// Reads hold their session until the reader is exhausted or closed:
//
//	r, err := tr.Read(ctx, "/documents/report.pdf")
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	_, err = io.Copy(w, r)
//
// Writes consume the body chunk by chunk without buffering it:
//
//	res, err := tr.Write(ctx, "/documents/report.pdf", body)
//
// Concurrent writes or deletes on the same path are not serialized; the SFTP
// server decides which one wins.
//
// The HTTP side lives in the davserver package.
package davsftp
