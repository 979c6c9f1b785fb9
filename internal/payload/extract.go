// Package payload pulls a handful of fields out of a GitHub push payload by
// substring search. It never parses JSON: a missing marker yields the field's
// default, and an escaped quote inside a value ends the value early.
package payload

import "bytes"

const (
	DefaultCommitMessage  = "No commit message available"
	DefaultAuthorName     = "Unknown"
	DefaultRepositoryName = "Unknown"
)

var (
	headCommitMarker = []byte(`"head_commit":`)
	messageMarker    = []byte(`"message":"`)
	authorMarker     = []byte(`"author":`)
	nameMarker       = []byte(`"name":"`)
	repositoryMarker = []byte(`"repository":`)
	refMarker        = []byte(`"ref":"`)
)

// Facts are the fields a matched push carries into the effects
type Facts struct {
	Ref            string
	CommitMessage  string
	AuthorName     string
	RepositoryName string
}

// RefMatches reports whether body contains "ref":"refs/heads/<branch>".
// The closing quote is part of the marker, so beta2 never matches beta.
func RefMatches(body []byte, branch string) bool {
	return bytes.Contains(body, []byte(`"ref":"refs/heads/`+branch+`"`))
}

// Extract returns every fact, each falling back to its default
func Extract(body []byte) Facts {
	ref, _ := quoted(body, refMarker)
	return Facts{
		Ref:            ref,
		CommitMessage:  CommitMessage(body),
		AuthorName:     AuthorName(body),
		RepositoryName: RepositoryName(body),
	}
}

// CommitMessage returns the first "message" after "head_commit"
func CommitMessage(body []byte) string {
	rest, ok := after(body, headCommitMarker)
	if !ok {
		return DefaultCommitMessage
	}
	msg, ok := quoted(rest, messageMarker)
	if !ok {
		return DefaultCommitMessage
	}
	return msg
}

// AuthorName returns head_commit.author.name
func AuthorName(body []byte) string {
	rest, ok := after(body, headCommitMarker)
	if !ok {
		return DefaultAuthorName
	}
	rest, ok = after(rest, authorMarker)
	if !ok {
		return DefaultAuthorName
	}
	name, ok := quoted(rest, nameMarker)
	if !ok {
		return DefaultAuthorName
	}
	return name
}

// RepositoryName returns the first "name" after "repository"
func RepositoryName(body []byte) string {
	rest, ok := after(body, repositoryMarker)
	if !ok {
		return DefaultRepositoryName
	}
	name, ok := quoted(rest, nameMarker)
	if !ok {
		return DefaultRepositoryName
	}
	return name
}

// after returns the remainder of b following the first marker
func after(b, marker []byte) ([]byte, bool) {
	i := bytes.Index(b, marker)
	if i < 0 {
		return nil, false
	}
	return b[i+len(marker):], true
}

// quoted returns the text between marker (which ends in an opening quote)
// and the next '"'
func quoted(b, marker []byte) (string, bool) {
	rest, ok := after(b, marker)
	if !ok {
		return "", false
	}
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return string(rest[:end]), true
}
