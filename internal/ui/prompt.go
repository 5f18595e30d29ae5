package ui

import (
	"errors"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/mattn/go-isatty"

	apperrors "odsflow/pkg/errors"
)

// askOne is replaced in tests.
var askOne = survey.AskOne

// Interactive reports whether in is a terminal a person can answer prompts on.
func Interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// AskPassword prompts for a secret without echoing it.
func AskPassword(message string) (string, error) {
	var value string
	prompt := &survey.Password{Message: message}
	if err := askOne(prompt, &value, survey.WithValidator(survey.Required)); err != nil {
		return "", promptError(err)
	}
	return value, nil
}

// Confirm asks a yes/no question.
func Confirm(message string, def bool) (bool, error) {
	answer := def
	prompt := &survey.Confirm{Message: message, Default: def}
	if err := askOne(prompt, &answer); err != nil {
		return false, promptError(err)
	}
	return answer, nil
}

func promptError(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return apperrors.New(apperrors.ErrCodeCanceled, "Prompt interrupted")
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "Failed to read answer")
}
