package cmd

import (
	"fmt"
)

const banner = `
   ____       _                             _
  / ___| __ _| |_ _____      ____ _ _ __ __| | ___ _ __
 | |  _ / _` + "`" + ` | __/ _ \ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |/ _ \ '_ \
 | |_| | (_| | ||  __/\ V  V / (_| | | | (_| |  __/ | | |
  \____|\__,_|\__\___| \_/\_/ \__,_|_|  \__,_|\___|_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Access Control Gateway - Version %s\x1b[0m\n\n", Version)
}
