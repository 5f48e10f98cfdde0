// Package server runs the chat and file-transfer service over TCP.
//
// # Overview
//
// Each accepted connection is registered in a bounded registry.Registry and
// served by its own session goroutine. The session reads one fixed-size frame
// at a time and dispatches on its type:
//
//	LOGIN                 verify credentials, claim username, maybe become root
//	CHAT                  broadcast to every other connected session
//	LIST_REQUEST          reply with logged-in usernames (root marked " *")
//	FILE_UPLOAD/DATA/END  stage, append and commit an upload, reply FILE_ACK
//	FILE_DOWNLOAD         stream FILE_DATA chunks then FILE_END
//	KICK, ROOT_TRANSFER   root only
//	STATS_REQUEST         root only
//	EXIT                  leave without a reply
//
// Everything except LOGIN and EXIT requires a completed login. Protocol
// errors are answered with an ERROR frame whose payload starts with a code
// (see protocol.Code) and the session continues. An unknown frame type is
// answered with FRAME_INVALID and ends the session.
//
// # File Transfer
//
// A session is idle, uploading or downloading. Uploads are written to a
// staging file and become visible only when FILE_END commits them; the
// FILE_ACK reply carries the size and an xxhash64 digest so the client can
// verify what was stored. If an upload fails part way, the remaining
// FILE_DATA frames of that upload are discarded until FILE_END. Downloads are
// streamed inside the session loop. A file whose TTL has elapsed is treated as
// missing even before the sweeper removes it.
//
// # Broadcast
//
// Delivery to each client goes through a per-connection write lock with a
// write deadline, so frames reach each client in send order and one stuck
// client cannot hold a sender forever. A recipient whose write fails is
// unregistered and closed while delivery to the others continues.
//
// # Usage
//
//	srv, err := server.New(
//	    server.WithCredentials(creds),
//	    server.WithRegistry(registry.New(cfg.MaxClients)),
//	    server.WithStore(store),
//	    server.WithSweeper(sweeper),
//	)
//	if err != nil {
//	    return err
//	}
//	ln, err := net.Listen("tcp", cfg.Addr)
//	if err != nil {
//	    return err
//	}
//	return srv.Serve(ctx, ln)
package server
