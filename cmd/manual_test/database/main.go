package main

import (
	"fmt"

	"github.com/tuannm99/novasql/internal/engine"
	"github.com/tuannm99/novasql/internal/record"
)

func main() {
	db := engine.NewDatabase("./basedir")

	schema := record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false},
			{Name: "name", Type: record.ColText, Nullable: false},
		},
	}

	tbl, _ := db.CreateTable("users", schema)
	tid, _ := tbl.Insert([]any{int64(1), "Tuan"})
	row, _ := tbl.Get(tid)
	fmt.Println("row:", row)
}
