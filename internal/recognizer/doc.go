// Package recognizer implements the client for the external speech
// recognition and translation service. It handles recognition requests with
// retry and exponential backoff, rate limiting, and the asynchronous
// translation polisher enhancement stage.
package recognizer
