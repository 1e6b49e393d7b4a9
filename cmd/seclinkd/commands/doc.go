// Package commands defines the seclinkd CLI.
//
// Commands
//
//   - serve        Run the handshake server
//   - keygen       Create the server key pair if it does not exist
//   - fingerprint  Print the server key fingerprint
//   - probe        Handshake with a running server and report its key
//
// The root command loads the JSON configuration before any subcommand runs;
// flags given on the command line override the file.
package commands
