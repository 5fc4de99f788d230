// Package contacthttp serves POST /api/contact.
//
// A submission is validated, given a server-generated ID and stored through a
// Sink: S3Sink in production, LogSink for local development. The route is
// wrapped by the caller-supplied rate limit middleware before the body is
// read, so rejected clients never cost a decode.
package contacthttp
