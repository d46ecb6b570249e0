// Package notify sends desktop notifications about listener events
// (connection state, login and playback failures, config reloads) over the
// org.freedesktop.Notifications session bus interface.
package notify
