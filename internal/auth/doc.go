// Package auth manages login against the collection service and the local
// credentials file used to authenticate uploads.
package auth
