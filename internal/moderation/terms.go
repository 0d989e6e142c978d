package moderation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTerms are contact-sharing and off-platform payment terms.
var DefaultTerms = []string{
	// messaging platforms
	"whatsapp",
	"telegram",
	"viber",
	"wechat",
	"snapchat",
	"instagram",
	"insta",
	"facebook",
	"skype",
	"discord",

	// direct contact
	"email",
	"e-mail",
	"gmail",
	"phone number",
	"my number",
	"call me",
	"text me",
	"email me",
	"dm me",
	"reach me at",

	// off-platform meetings and payment
	"meet for coffee",
	"meet up outside",
	"pay in cash",
	"pay outside",
	"venmo",
	"zelle",
	"cashapp",
	"paypal",
}

// TermFile is the on-disk term list format.
//
//	terms:
//	  - whatsapp
//	  - call me
type TermFile struct {
	Terms []string `yaml:"terms"`
}

// LoadTerms reads a YAML term file. The file replaces the default list.
func LoadTerms(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read moderation terms: %w", err)
	}
	var tf TermFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse moderation terms %s: %w", path, err)
	}
	if len(tf.Terms) == 0 {
		return nil, fmt.Errorf("moderation terms %s: no terms", path)
	}
	return tf.Terms, nil
}
