//go:build !darwin

package permissions

// Other platforms gate the microphone at the sound server, if at all.
func checkMicrophone() Status { return Authorized }

func requestMicrophone() {}
