package commands

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

var (
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "address of the mediacore server",
		Value: "127.0.0.1:7882",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print results as JSON",
	}
)

func PrintJSON(obj interface{}) {
	txt, _ := json.Marshal(obj)
	fmt.Println(string(txt))
}
