package cmdutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNoInput is returned when input ends before a valid answer was given.
var ErrNoInput = errors.New("no input")

// PromptPositive writes message to w and reads lines from r until one holds
// an integer greater than zero.
func PromptPositive(r *bufio.Reader, w io.Writer, message string) (int, error) {
	for {
		fmt.Fprint(w, message)

		line, err := r.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return 0, ErrNoInput
			}
			return 0, err
		}

		n, convErr := strconv.Atoi(line)
		switch {
		case line == "" || convErr != nil:
			fmt.Fprintln(w, "Please enter an integer.")
		case n <= 0:
			fmt.Fprintln(w, "Please enter a number that's greater than 0.")
		default:
			return n, nil
		}

		if err != nil {
			return 0, ErrNoInput
		}
	}
}
