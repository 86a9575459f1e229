// Package commands implements the tapmint CLI.
//
// The CLI talks to a relay started with tapmint-relay:
//
//	tapmint create --method qr --address 0x...
//	    Open a session and print its id, ticket and invitation QR code.
//
//	tapmint join [session-id] --address 0x...
//	    Join a session by id, or with --scan by reading QR payloads from stdin.
//
//	tapmint send <emoji> --session ID --ticket T
//	tapmint listen --session ID --ticket T
//	tapmint qr --session ID --ticket T
//	tapmint mint --session ID --ticket T --sent E --received E --partner 0x...
//	tapmint leave --session ID --ticket T
//
// demo runs two participants in one process, without a relay, through the
// whole connect, exchange and mint-ready flow.
package commands
