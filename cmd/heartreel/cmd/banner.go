package cmd

import (
	"fmt"
	"io"
)

const banner = `
   .-.-.   
  (  ♥  )   h e a r t r e e l
   '. .'   
     '     
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[35m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Your love story, streaming now - Version %s\x1b[0m\n\n", Version)
}
