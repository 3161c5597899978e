// Command remailer submits messages to an SMTP server, or checks whether it
// accepts recipients, optionally through a SOCKS5 proxy.
package main

func main() {
	Execute()
}
