// Package coordinator drives analysis sessions against the inference
// service. Each active session gets one goroutine that performs the realtime
// handshake (when applicable), polls job status on a fixed cadence, forwards
// progress to the session registry, converts detections into published
// incidents, and finalizes the session when the job ends. Cancellation is
// cooperative: the cancel flag is honored between polls, and an in-flight
// poll either completes or hits its own timeout.
package coordinator
