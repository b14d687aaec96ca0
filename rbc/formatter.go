// Package rbc forwards solved positions to remote display consoles as text lines.
package rbc

import (
	"fmt"
	"time"
)

const timeLayout = "20060102150405.000"

// FormatPosition renders one position line:
//
//	display:NNN,<entity>,<seq>,<time>,<floor>,<x>,<y>,<z>\r\n
//
// NNN is the total line length written over the padding after "display:".
func FormatPosition(entity string, ts time.Time, seq uint16, floor int, x, y float64) []byte {
	b := []byte(fmt.Sprintf("display:   ,%s,%d,%s,%d,%.2f,%.2f,%.2f\r\n",
		entity, seq, ts.Format(timeLayout), floor, x, y, 0.0))
	fillLength(b)
	return b
}

// FormatExpired renders the line sent when an entity stops reporting.
func FormatExpired(entity string, ts time.Time) []byte {
	b := []byte(fmt.Sprintf("expired:   ,%s,%s\r\n", entity, ts.Format(timeLayout)))
	fillLength(b)
	return b
}

func fillLength(b []byte) {
	n := len(b)
	if n >= 100 {
		b[8] = byte('0' + (n/100)%10)
	}
	b[9] = byte('0' + (n/10)%10)
	b[10] = byte('0' + n%10)
}
