// Package git reads commit metadata from the work directory's repository and
// performs a best-effort fetch, using go-git so no git binary is required.
//
// Every Inspector query opens the repository independently, so a failure in
// one query never affects another.
package git
