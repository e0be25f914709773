// ABOUTME: Version and product identification constants
// ABOUTME: Reported in control hellos, mDNS TXT records and logs
package version

const (
	// Version is the software version
	Version = "0.3.0"
	// Product is the product name shown to controllers
	Product = "playcore"
	// Manufacturer identifies who builds the player
	Manufacturer = "Sendspin"
)
