// Package id provides time-ordered sequence generation for cluster messages.
package id
