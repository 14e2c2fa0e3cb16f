package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

// TableColumn is one column of a rendered table.
type TableColumn struct {
	Header string
	Key    string
	Width  int
}

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*m")

// RenderTable writes rows under columns, sizing each column to its widest
// cell. Cells may contain ANSI color codes.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]interface{}) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = displayWidth(columns[i].Header)
		for _, row := range rows {
			if value, ok := row[columns[i].Key]; ok {
				if n := displayWidth(fmt.Sprint(value)); n > columns[i].Width {
					columns[i].Width = n
				}
			}
		}
	}

	header := make([]string, len(columns))
	separator := make([]string, len(columns))
	for i, col := range columns {
		header[i] = padToWidth(col.Header, col.Width)
		separator[i] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))
	fmt.Fprintln(w, strings.Join(separator, " "))

	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			value := ""
			if v, ok := row[col.Key]; ok {
				value = fmt.Sprint(v)
			}
			cells[i] = padToWidth(value, col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

func displayWidth(s string) int {
	return utf8.RuneCountInString(ansiPattern.ReplaceAllString(s, ""))
}

func padToWidth(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
