package dns_test

import (
	"fmt"
	"log"

	"github.com/mjl-/mailout/dns"
)

func ExampleParseDomain() {
	// A host name for EHLO, as configured.
	host, err := dns.ParseDomain("Mail.Example.org")
	if err != nil {
		log.Fatalf("parse domain: %v", err)
	}
	fmt.Printf("%s\n", host)

	// Submission server with an IDNA name. EHLO and dialing use the ASCII form.
	idn, err := dns.ParseDomain("smtp.bücher.example")
	if err != nil {
		log.Fatalf("parse domain: %v", err)
	}
	fmt.Printf("%s %s\n", idn.ASCII, idn.XName(true))

	// A trailing dot is not a valid host name in a URL.
	_, err = dns.ParseDomain("mail.example.org.")
	fmt.Println(err != nil)

	// Output:
	// mail.example.org
	// smtp.xn--bcher-kva.example smtp.bücher.example
	// true
}
