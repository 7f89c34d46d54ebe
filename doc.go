/*
Package remoteaccess documents the remoteaccess module.

This module is CLI-first and ships the remoteaccess command:

	go install github.com/nuetzliches/remoteaccess/cmd/remoteaccess@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package remoteaccess
