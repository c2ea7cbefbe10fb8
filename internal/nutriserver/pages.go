package nutriserver

import "net/http"

// The login page mirrors the real NutriStats frontend contract: on success it
// stores the token and the user JSON in the two localStorage slots the
// authentication strategies read, then redirects to the diary.
const loginPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>NutriStats - Sign In</title>
</head>
<body>
  <h1>Sign in to NutriStats</h1>
  <form id="login-form">
    <label for="login-email">Email</label>
    <input id="login-email" name="email" type="email" autocomplete="email">
    <label for="login-password">Password</label>
    <input id="login-password" name="password" type="password" autocomplete="current-password">
    <div id="login-error" class="error-flash" role="alert" hidden></div>
    <button type="submit">Sign in</button>
  </form>
  <script>
    document.getElementById('login-form').addEventListener('submit', async (e) => {
      e.preventDefault();
      const resp = await fetch('/api/login', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify({
          email: document.getElementById('login-email').value,
          password: document.getElementById('login-password').value,
        }),
      });
      const errBox = document.getElementById('login-error');
      if (!resp.ok) {
        errBox.hidden = false;
        errBox.textContent = 'Invalid email or password';
        return;
      }
      const data = await resp.json();
      localStorage.setItem('nutristats_token', data.token);
      localStorage.setItem('nutristats_user', JSON.stringify(data.user));
      window.location.href = '/diary';
    });
  </script>
</body>
</html>`

const diaryPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>NutriStats - Food Diary</title>
</head>
<body>
  <h1 id="diary-heading">Food Diary</h1>
  <div id="diary-user"></div>
  <script>
    const token = localStorage.getItem('nutristats_token');
    if (!token) {
      window.location.href = '/login';
    } else {
      const user = JSON.parse(localStorage.getItem('nutristats_user') || '{}');
      document.getElementById('diary-user').textContent = user.username || '';
    }
  </script>
</body>
</html>`

func (s *Server) handleLoginPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(loginPageHTML))
}

func (s *Server) handleDiaryPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(diaryPageHTML))
}
