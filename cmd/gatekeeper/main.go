// Command gatekeeper runs the authentication service and its maintenance
// tasks.
//
//	gatekeeper serve            start the HTTP server
//	gatekeeper migrate up|down  apply or roll back the schema
//	gatekeeper migrate version  print the applied schema version
//	gatekeeper sessions prune   delete expired sessions
//
// Configuration comes from the environment (see internal/config); with
// ENV=dev a .env file is read first.
//
// COBRA COMMAND TREE:
// Each subcommand lives in its own file as a package-level *cobra.Command
// and attaches itself to its parent in that file's init(). Go runs every
// init() before main, so by the time main calls rootCmd.Execute the whole
// tree is assembled:
//
//	root.go      rootCmd, loadConfig, ensureDataDir
//	serve.go     serveCmd
//	migrate.go   migrateCmd ─► up, down, version
//	sessions.go  sessionsCmd ─► prune
//
// Adding a command means adding a file; main.go never changes.
package main

import (
	"fmt"
	"os"
)

// main runs the command tree. Commands return errors instead of exiting, so
// deferred cleanup (closing the database) runs before the process ends.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
