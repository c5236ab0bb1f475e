// Package ui renders the iotgate CLI's terminal output.
//
// Output follows a "print once and exit" pattern built on Lipgloss: a header
// box naming the command, a result box for success, failure or warning, and
// a device table for listings. Terminal sizing and hidden key entry use
// golang.org/x/term.
//
// # Usage Pattern
//
//	p := ui.NewPrinter(os.Stdout)
//	p.PrintHeader("Add Device", "iotgate-server devices add", map[string]string{
//	    "Device": "1234567890",
//	})
//	key, err := ui.ReadSecret("Device key: ")
//	...
//	p.PrintSuccess("Device added", map[string]string{"Store": path})
//
// # Logging Integration
//
// Server logging is controlled by IOTGATE_LOG_LEVEL. When it is unset the
// logger is silent, so these boxes are the only output of management
// commands.
package ui
