package store

import (
	"fmt"
	"strings"
)

const (
	groupsCollection     = "groups"
	membersCollection    = "members"
	todosCollection      = "todos"
	timetablesCollection = "timetables"
)

func GroupPath(groupID string) string {
	return groupsCollection + "/" + groupID
}

func MembersPath(groupID string) string {
	return GroupPath(groupID) + "/" + membersCollection
}

func MemberPath(groupID, userID string) string {
	return MembersPath(groupID) + "/" + userID
}

// TodosPath and TimetablesPath belong to the todo and timetable screens;
// the coordinator never writes them.
func TodosPath(groupID string) string {
	return GroupPath(groupID) + "/" + todosCollection
}

func TimetablesPath(groupID string) string {
	return GroupPath(groupID) + "/" + timetablesCollection
}

// Split validates path and returns its segments.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// IsCollection reports whether path names a collection (odd segment count)
// rather than a document.
func IsCollection(path string) bool {
	parts, err := Split(path)
	return err == nil && len(parts)%2 == 1
}

// DocumentPath splits a document path into its parent collection and id.
func DocumentPath(path string) (collection, id string, err error) {
	parts, err := Split(path)
	if err != nil {
		return "", "", err
	}
	if len(parts)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document", ErrInvalidPath, path)
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}
