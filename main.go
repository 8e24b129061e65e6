package main

import (
	"fmt"

	_ "github.com/agentuity/go-query/broadcast"
	_ "github.com/agentuity/go-query/metrics"
	_ "github.com/agentuity/go-query/mutation"
	_ "github.com/agentuity/go-query/query"
	_ "github.com/agentuity/go-query/querykey"
)

func main() {
	fmt.Println("Hi")
}
