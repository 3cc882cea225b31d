package export

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"kannamma/internal/domain"
)

// Header is the first row of every roster export.
var Header = []string{"Name", "Age", "Phone", "Address", "Last ANC Date", "Gestation Weeks", "Flagged", "Visited", "Notes"}

// Filename names an export produced at now.
func Filename(now time.Time) string {
	return "mothers-list-" + now.UTC().Format(domain.DateLayout) + ".csv"
}

// Row renders one patient in header order.
func Row(p domain.Patient) []string {
	return []string{
		p.Name,
		strconv.Itoa(p.Age),
		p.Phone,
		p.Address,
		p.LastANCDate,
		strconv.Itoa(p.GestationWeeks),
		yesNo(p.Flagged),
		yesNo(p.Visited),
		p.Notes,
	}
}

// Write emits the roster as CSV. Every cell, header included, is quoted and rows are
// separated by a bare newline.
func Write(w io.Writer, roster []domain.Patient) error {
	bw := bufio.NewWriter(w)
	if err := writeLine(bw, Header); err != nil {
		return err
	}
	for _, p := range roster {
		if _, err := bw.WriteString("\n"); err != nil {
			return err
		}
		if err := writeLine(bw, Row(p)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Bytes is Write into a buffer.
func Bytes(roster []domain.Patient) []byte {
	var sb strings.Builder
	_ = Write(&sb, roster)
	return []byte(sb.String())
}

func writeLine(w *bufio.Writer, cells []string) error {
	for i, cell := range cells {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(Quote(cell)); err != nil {
			return err
		}
	}
	return nil
}

// Quote wraps a cell in double quotes, doubling any embedded quote.
func Quote(cell string) string {
	return `"` + strings.ReplaceAll(cell, `"`, `""`) + `"`
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
