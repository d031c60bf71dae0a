package lib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"gopkg.in/yaml.v3"
)

type FormatType string

const (
	Pretty FormatType = "pretty"
	Text   FormatType = "text"
	JSON   FormatType = "json"
	YAML   FormatType = "yaml"
	Table  FormatType = "table"
	CSV    FormatType = "csv"
)

type Formattable interface {
	String() string
	Pretty() string
	TableHeaders() []string
	TableRow() []string
}

func FormatOutput[T Formattable](data []T, format FormatType) (string, error) {
	switch format {
	case Text:
		var textOutput []string
		for _, item := range data {
			textOutput = append(textOutput, item.String())
		}
		return strings.Join(textOutput, "\n"), nil
	case Pretty:
		var prettyOutput []string
		for _, item := range data {
			prettyOutput = append(prettyOutput, item.Pretty())
		}
		return strings.Join(prettyOutput, "\n"), nil
	case JSON:
		if data == nil {
			data = []T{}
		}
		j, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(j), nil
	case YAML:
		y, err := yaml.Marshal(data)
		if err != nil {
			return "", err
		}
		return string(y), nil
	case CSV:
		var headers []string
		if len(data) > 0 {
			headers = data[0].TableHeaders()
		} else {
			var zero T
			headers = zero.TableHeaders()
		}
		rows := make([]string, 0, len(data)+1)
		rows = append(rows, csvLine(headers))
		for _, item := range data {
			rows = append(rows, csvLine(item.TableRow()))
		}
		return strings.Join(rows, "\n"), nil
	case Table:
		var tableData [][]string
		for _, item := range data {
			row := item.TableRow()
			tableData = append(tableData, row)
		}

		buffer := new(bytes.Buffer)
		table := tablewriter.NewWriter(buffer)

		if len(data) > 0 {
			table.SetHeader(data[0].TableHeaders())
		}
		table.SetBorder(true)
		table.SetAutoWrapText(false)
		table.AppendBulk(tableData)
		table.Render()

		return buffer.String(), nil
	default:
		return "", fmt.Errorf("unknown format: %v", format)
	}
}

// csvLine quotes every cell, doubling embedded quotes.
func csvLine(cells []string) string {
	quoted := make([]string, len(cells))
	for i, cell := range cells {
		quoted[i] = `"` + strings.ReplaceAll(cell, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ",")
}

func FormatOutputToFile[T Formattable](data []T, format FormatType, filepath string) error {
	formattedData, err := FormatOutput(data, format)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath, []byte(formattedData), 0644)
}

// ParseFormatType converts a string format to a FormatType.
func ParseFormatType(format string) (FormatType, error) {
	normalizedFormat := strings.ToLower(format)
	switch normalizedFormat {
	case "pretty":
		return Pretty, nil
	case "text":
		return Text, nil
	case "json":
		return JSON, nil
	case "yaml":
		return YAML, nil
	case "table":
		return Table, nil
	case "csv":
		return CSV, nil
	default:
		return "", fmt.Errorf("unknown format: %s", format)
	}
}
