package features

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteARFF writes the matrix in Weka's sparse ARFF format. The output
// depends only on the schema and the rows, so re-running a build produces
// the same bytes.
func WriteARFF(w io.Writer, relation string, m *Matrix) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "@relation %s\n\n", quote(relation))
	cols := m.Schema.Columns()
	for _, col := range cols[:len(cols)-1] {
		fmt.Fprintf(bw, "@attribute %s numeric\n", quote(col))
	}
	fmt.Fprintf(bw, "@attribute %s {0,1}\n\n@data\n", quote(cols[len(cols)-1]))

	label := m.Schema.LabelColumn()
	for i, row := range m.Rows {
		if err := m.Schema.Check(len(row)); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		bw.WriteByte('{')
		for j, val := range row {
			if val == 0 && j != label {
				continue
			}
			bw.WriteString(strconv.Itoa(j))
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
			if j != label {
				bw.WriteByte(',')
			}
		}
		bw.WriteString("}\n")
	}
	return bw.Flush()
}

// quote renders an ARFF identifier in single quotes.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\r", `\r`, "\n", `\n`, "\t", `\t`)
	return "'" + r.Replace(s) + "'"
}
