// Command remoteaccess serves and calls the SD Email Reflector remote access
// protocol.
//
// The server answers encrypted command batches posted to a reflector
// installation and applies them to its options and list settings. The call
// subcommand is the matching client.
//
// Install:
//
//	go install github.com/nuetzliches/remoteaccess/cmd/remoteaccess@latest
//
// Usage:
//
//	remoteaccess serve --config ./Reflectorfile
//	remoteaccess call --url https://host/remote-access --key env:REMOTE_ACCESS_KEY --cmd get_queue_size
package main
